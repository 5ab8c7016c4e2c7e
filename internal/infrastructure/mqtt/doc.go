// Package mqtt connects the Daelim bridge to the site's MQTT broker.
//
// The bridge publishes device state, command acknowledgements, request
// responses and its own health; it subscribes to command and request
// topics. Paho handles reconnection; this package restores subscriptions
// afterwards and keeps the retained health topic correct through a Will.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:   daelim.HealthTopic(),
//	    Payload: lwt,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bridge, err := daelim.NewBridge(daelim.BridgeOptions{MQTTClient: mqtt.BridgeAdapter{Client: client}})
//
// # Security Considerations
//
//   - Enable TLS (broker.tls) for any broker outside the host
//   - Credentials are checked against the broker ACL
package mqtt
