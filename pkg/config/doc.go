/*
Package config loads Host and Runner configuration (§6.6). Default()
fixes the documented default for every recognised option; Load layers
a YAML file (gopkg.in/yaml.v3) over those defaults and then applies
RIVER_-prefixed
environment variable overrides, so a deployment can override a single
value without maintaining a full file. cmd/river-host loads the Config
and lets its --data-dir flag override DataDir; cmd/river-runner does
not load this Config and is configured by its own flags.
*/
package config
