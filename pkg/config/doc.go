/*
Package config resolves tenderflow settings from files and the environment.

# Overview

Config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
Keys are case-insensitive, so a YAML key max_retries and the environment
variable MAX_RETRIES address the same setting.

	cfg := config.New(map[string]any{
	    "retry_delay": "1.5",
	    "max_retries": 3,
	})

	delay := cfg.Duration("RETRY_DELAY", time.Second) // 1.5s
	retries := cfg.Int("MAX_RETRIES", 5)              // 3

# Type Coercion

Values read from .env files and the environment are strings. Accessors
parse them: Int and Float use strconv, Bool accepts strconv.ParseBool
forms, Duration accepts "30s" or unitless seconds, and StringSlice
splits "Technical,Requirements" or "[Technical, Requirements]".

# Settings

LoadSettings layers sources, later ones winning:

 1. DefaultSettings
 2. a YAML/JSON file (nested sections flatten: neo4j.uri -> NEO4J_URI)
 3. a .env file read with godotenv, without modifying the process environment
 4. the process environment

The result is validated; every out-of-range field is reported in one
joined error of *faults.ValidationError values.

# Thread Safety

Config is safe for concurrent read access. Merge returns a new Config.
*/
package config
