package mailer

import (
	"fmt"
	"html"
)

func render(msg VerificationEmail) (subject, text, body string) {
	subject = "Confirmez votre réservation"
	expires := msg.ExpiresAt.Format("02/01/2006 15:04")

	text = fmt.Sprintf("Bonjour %s,\n\nVotre réservation %s du %s à %s est en attente de confirmation.\n\n"+
		"Code de vérification : %s\nOu cliquez sur ce lien : %s\n\nCe code expire le %s.",
		msg.ToName, msg.ServiceName, msg.Date, msg.StartTime, msg.Code, msg.VerifyURL, expires)

	body = fmt.Sprintf(`
		<h2>Confirmez votre réservation</h2>
		<p>Bonjour %s,</p>
		<p>Votre réservation <strong>%s</strong> du %s à %s est en attente de confirmation.</p>
		<p>Votre code de vérification : <strong style="font-size: 24px; letter-spacing: 4px;">%s</strong></p>
		<p><a href="%s" style="background-color: #8a6d3b; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">Confirmer ma réservation</a></p>
		<p>Ce code expire le %s. Sans confirmation, vous pouvez toujours nous appeler pour confirmer manuellement.</p>
	`, html.EscapeString(msg.ToName), html.EscapeString(msg.ServiceName), msg.Date, msg.StartTime,
		msg.Code, html.EscapeString(msg.VerifyURL), expires)

	return subject, text, body
}
