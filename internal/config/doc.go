// Package config loads licensekit configuration for the issuer and consumer
// tools. The license core takes explicit values and never reads it.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML file: $LICENSEKIT_CONFIG, or licensekit.yaml next to the executable or in the working directory
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern LICENSEKIT_<SECTION>_<FIELD>:
//
//	LICENSEKIT_KEYS_DIR=~/acme-keys
//	LICENSEKIT_KEYS_ALGORITHM=Ed25519
//	LICENSEKIT_LICENSE_PRODUCT_NAME=Acme
//	LICENSEKIT_LICENSE_PUBLIC_KEY_FILE=/opt/acme/publicKey.jwk
//	LICENSEKIT_LOGGING_LEVEL=debug
//	LICENSEKIT_TELEMETRY_METRICS_TEXTFILE=/var/lib/node_exporter/licensekit.prom
//
// Paths may start with ~ and are expanded to the user's home directory.
package config
