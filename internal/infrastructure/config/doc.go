// Package config handles loading and validating gateway configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GATEWAY_* environment variables
//   - Validation of required fields per enabled adapter
//   - Default value handling
//
// Security Considerations:
//   - Device and broker passwords should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - TLS leniency flags for the DSP WebSocket transport are opt-in only
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Adapters.QSYS.Host)
package config
