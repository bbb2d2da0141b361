package domain

type Service struct {
	ID          int64  `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	PriceCents  int64  `json:"price_cents" yaml:"price_cents"`
	DurationMin int    `json:"duration_min" yaml:"duration_min"`
	Active      bool   `json:"active" yaml:"active"`
}
