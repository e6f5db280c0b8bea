// Package config handles loading and validating cmdbridge configuration.
//
// This package manages:
//   - Loading configuration from YAML (or JSON) files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600) since device
//     commands are executed through the shell verbatim
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.Name)
//	}
package config
