// Package config loads the flowsync configuration file and device snapshot
// files.
//
// # Configuration
//
// The configuration is YAML decoded over Default, so a file only needs the
// keys it changes. Unknown keys are rejected and every field is checked with
// its validate tag:
//
//	store:
//	  path: /var/lib/flowsync/flowsync.db
//	engine:
//	  strategy: bundle
//	  max_parallel: 16
//	southbound:
//	  transport: mqtt
//	  mqtt:
//	    broker: tcp://broker:1883
//	telemetry:
//	  influx:
//	    enabled: true
//	    url: http://influx:8086
//
// Telemetry, Reconciler, Dispatcher, MQTT and Influx convert the file into
// the settings of the packages that consume them.
//
// # Snapshots
//
// A snapshot file holds the desired state of one device in YAML, JSON or
// CUE. CUE documents are checked against the closed #Snapshot definition
// first, which reports unknown fields and out-of-range ids with their
// position:
//
//	device: "openflow:1"
//	groups: [{
//		id:   1
//		type: "select"
//		buckets: [{id: 0, weight: 1, actions: [{type: "output", port: "2"}]}]
//	}]
//
// Every snapshot is normalized and validated by the model before it is
// returned. SnapshotWatcher reloads files of a directory when they change.
package config
