// Package config handles loading and validating motionlink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with MOTIONLINK_ environment variables
//   - Validation of required fields (all errors reported together)
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//   - An empty JWT secret disables API authentication
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Tracking.Address)
package config
