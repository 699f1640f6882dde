// Package config handles vmlinkd configuration files.
//
// # Overview
//
// HCL is the primary format. JSON and YAML are accepted and selected by file
// extension. Durations are written as Go duration strings ("250ms", "30s").
// Unset fields take the values from DefaultConfig.
//
// # Example
//
//	endpoint_dir    = "/run/vmlink/agents"
//	endpoint_suffix = "sock"
//	transport       = "unix"
//	log_level       = "info"
//	metrics_listen  = "127.0.0.1:9273"
//	database        = "/var/lib/vmlink/vmlink.db"
//
//	connection {
//	  reconnect_base_delay   = "1s"
//	  reconnect_max_delay    = "30s"
//	  max_reconnect_attempts = 10
//	  health_interval        = "30s"
//	  stale_after            = "90s"
//	}
//
//	inventory {
//	  allow_unknown = false
//	}
//
//	journal {
//	  retention      = "168h"
//	  prune_interval = "1h"
//	  # prune_at     = "03:30"  # daily instead of every prune_interval
//	}
//
// # Environment
//
// VMLINK_ENDPOINT_DIR and VMLINK_LOG_LEVEL override the file.
package config
