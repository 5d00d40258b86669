// Package config loads runtime settings from YAML.
//
// Every field has a production default, so an empty file is valid:
//
//	database: denorm.db
//	debug: false
//	lease_duration: 60s
//	min_age: 60s
//	enqueue_delay: 60s
//	schedule_period: 30s
//
// DENORM_DB and DENORM_DEBUG override the file.
package config
