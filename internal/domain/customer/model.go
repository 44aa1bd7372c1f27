package customer

import (
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
)

// Customer is a billable account in one tenant environment.
type Customer struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	// ProcessorCustomerRef is the external processor's customer identifier.
	ProcessorCustomerRef string `db:"processor_customer_ref" json:"processor_customer_ref,omitempty"`
	Timezone             string `db:"timezone" json:"timezone"`
	EnvironmentID        string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// Entity is a sub-scope of a customer (a seat, a sub-tenant) that some
// entitlements are scoped to.
type Entity struct {
	ID         string `db:"id" json:"id"`
	CustomerID string `db:"customer_id" json:"customer_id"`
	// FeatureID is the continuous-use feature this entity occupies a unit of.
	FeatureID     string `db:"feature_id" json:"feature_id"`
	Name          string `db:"name" json:"name"`
	EnvironmentID string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// Validate performs validation on the customer
func (c *Customer) Validate() error {
	if c.ID == "" {
		return ierr.NewError("customer id is required").
			WithHint("Please provide a valid customer ID").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// TimezoneOrUTC returns the customer timezone, defaulting to UTC.
func (c *Customer) TimezoneOrUTC() string {
	if c.Timezone == "" {
		return "UTC"
	}
	return c.Timezone
}
