package models

import "time"

// Event is an accreditable occasion; credentials expire when it ends.
type Event struct {
	ID       string     `db:"id" json:"id"`
	Name     string     `db:"name" json:"name"`
	StartsAt *time.Time `db:"starts_at" json:"starts_at,omitempty"`
	EndsAt   *time.Time `db:"ends_at" json:"ends_at,omitempty"`
	Active   bool       `db:"active" json:"active"`
}

// Zone is an access area valid for a single event.
type Zone struct {
	ID      string `db:"id" json:"id"`
	EventID string `db:"event_id" json:"event_id"`
	Code    string `db:"code" json:"code"`
	Name    string `db:"name" json:"name"`
}

// Area groups providers geographically or organisationally.
type Area struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Provider supplies personnel for events.
type Provider struct {
	ID     string `db:"id" json:"id"`
	AreaID string `db:"area_id" json:"area_id"`
	Name   string `db:"name" json:"name"`
	Active bool   `db:"active" json:"active"`
}

// Employee is a person accredited on behalf of a provider.
type Employee struct {
	ID         string `db:"id" json:"id"`
	ProviderID string `db:"provider_id" json:"provider_id"`
	FirstName  string `db:"first_name" json:"first_name"`
	LastName   string `db:"last_name" json:"last_name"`
}

// FullName joins first and last name.
func (e Employee) FullName() string {
	switch {
	case e.FirstName == "":
		return e.LastName
	case e.LastName == "":
		return e.FirstName
	default:
		return e.FirstName + " " + e.LastName
	}
}
