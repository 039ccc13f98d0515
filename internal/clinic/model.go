package clinic

import "time"

// Clinic is the tenant record looked up by the number the caller dialed.
// PMS credentials are opaque to everything outside the cliniko client.
type Clinic struct {
	ID           string
	Name         string
	DialedNumber string
	APIKey       string
	Shard        string
	Timezone     string
	CountryCode  string
	ContactEmail string
	CreatedAt    time.Time
}

// Location returns the IANA location for the clinic, falling back to UTC
// when the stored timezone is invalid.
func (c *Clinic) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
