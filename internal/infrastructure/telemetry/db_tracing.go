package telemetry

import (
	"fmt"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/gorm"
)

// InstrumentGorm registers the otelgorm plugin so every query becomes a span.
// Query variables are never attached to spans.
func InstrumentGorm(db *gorm.DB, dbSystem string) error {
	opts := []otelgorm.Option{otelgorm.WithoutQueryVariables()}
	if dbSystem != "" {
		opts = append(opts, otelgorm.WithDBName(dbSystem))
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return fmt.Errorf("failed to register otelgorm plugin: %w", err)
	}
	return nil
}
