package model

import "time"

type DeployStatus string

const (
	DeployStatusDeploying DeployStatus = "deploying"
	DeployStatusDeployed  DeployStatus = "deployed"
	DeployStatusFailed    DeployStatus = "failed"
)

// Deployment is a per-(app, environment) audit row, many allowed per pair.
// Transitions: deploying->deployed, deploying->failed. No other edges
// (spec.md §3, Testable Properties "Status monotonicity").
type Deployment struct {
	ID          int64
	AppID       string
	Environment Environment

	// DeploymentID equals the generated script name for the environment at
	// push time (spec.md §3).
	DeploymentID string

	Status    DeployStatus
	URL       string
	Actor     string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Metadata carries provider-specific payload, including the error
	// summary on failure (spec.md §7) and the copied-script digest on
	// promotion (spec.md §8 scenario 4).
	Metadata map[string]any
}

// EnvStatus is the aggregated per-environment view returned by
// internal/promotion.Status (spec.md §4.I).
type EnvStatus struct {
	URL            string
	Status         string // "deployed" | "not_deployed"
	LastDeployedAt time.Time
}
