// Package config loads the proofchaind configuration: a JSON file with
// defaults, overridden by PROOFCHAIN_* environment variables. Secrets such as
// signing keys and tier keys are only read from the environment.
package config
