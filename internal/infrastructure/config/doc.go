// Package config loads and validates the Daelim bridge configuration.
//
// Loading order:
//   - Built-in defaults
//   - YAML file (path from DAELIM_CONFIG, default configs/config.yaml)
//   - DAELIM_* environment variables
//
// Security Considerations:
//   - Set the resident password, MQTT credentials, InfluxDB token and JWT
//     secret through the environment rather than the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.PathFromEnv())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Daelim.Server.Address)
package config
