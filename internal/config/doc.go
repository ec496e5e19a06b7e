// Package config provides configuration management for the session engine.
//
// Configuration is loaded from environment variables using the env package,
// after an optional .env file in the working directory. All values except
// the JWT secret have defaults suitable for development.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
