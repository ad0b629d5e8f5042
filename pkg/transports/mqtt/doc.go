// Package mqtt is the southbound transport between flowsync and the agents
// running next to each forwarding device.
//
// Topic hierarchy, with the default prefix:
//
//	flowsync/<device>/command     commands to the device agent
//	flowsync/<device>/ack         acknowledgements from the agent
//	flowsync/<device>/status      device connected or disconnected
//	flowsync/<device>/port        port up or down
//	flowsync/<device>/statistics  statistics gathering finished
//
// Every command carries a uuid. The Southbound keeps one completion per
// command and resolves it when the matching ack arrives, or with
// ErrAckTimeout when none arrives in time:
//
//	client, err := mqtt.Connect(cfg, metrics, logger)
//	sb := mqtt.NewSouthbound(client, cfg, metrics, logger)
//	if err := sb.Start(); err != nil {
//	    return err
//	}
//	committers := sb.Committers() // engine.Committers
//
// Notifications feed device and port events into the dispatcher and the
// port table.
package mqtt
