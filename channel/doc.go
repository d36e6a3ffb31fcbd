// Package channel implements the device's command channel: a mutually
// authenticated MQTT session on which the device receives commands addressed
// to it (ota, restart, factory_reset) and publishes telemetry, keep-alives and
// operational events.
//
// Inbound messages may arrive fragmented. They are reassembled into a bounded
// buffer, decoded into a closed set of Command variants and executed by a
// Dispatcher. A lost connection is re-established with exponential backoff;
// once the attempts are exhausted Run returns an error wrapping
// interfaces.ErrChannelFatal.
package channel
