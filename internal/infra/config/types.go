package config

// Environment identifies the runtime environment copydesk operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageBackend selects where orders and child links are kept.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StoragePostgres StorageBackend = "postgres"
)

// ReconcileMode selects the status source of the reconciliation loop.
type ReconcileMode string

const (
	ReconcileSimulated ReconcileMode = "simulated"
	ReconcileUpstream  ReconcileMode = "upstream"
)
