// Package config loads and validates the Loxone bridge configuration.
//
// Values are resolved in three layers:
//   - Built-in defaults (recovery interval, display commands, broker address)
//   - The YAML file (configs/config.yaml unless GRAYLOGIC_CONFIG is set)
//   - GRAYLOGIC_SECTION_KEY environment variables
//
// Validate collects every problem before returning, so a broken file reports
// all of its errors at once.
//
// Security Considerations:
//   - Set the Miniserver and MQTT passwords and the InfluxDB token through
//     environment variables rather than the file
//   - MiniserverConfig.String masks the password; log that, never the struct
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Miniserver)
package config
