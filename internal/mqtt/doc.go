// Package mqtt connects dhtagent to its broker and carries telemetry
// payloads out and, for the watch command, back in.
//
// The [Client] uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic, optional Home Assistant discovery configs for the
// temperature and humidity entities, and re-subscribes any configured
// topic filters. A will message moves the availability topic to
// "offline" on unexpected disconnects.
//
// Publishing is bounded: [Client.Publish] retries with exponential
// backoff and then gives up with a [*PublishError]. Callers drop the
// payload and try again next period.
package mqtt
