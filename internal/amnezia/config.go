package amnezia

import (
	"encoding/json"
	"fmt"
)

// The server-side xray config is mutated in place through generic maps so
// that fields this service does not know about survive the rewrite.

func serverClients(config map[string]interface{}) ([]interface{}, map[string]interface{}, error) {
	inbounds, ok := config["inbounds"].([]interface{})
	if !ok || len(inbounds) == 0 {
		return nil, nil, fmt.Errorf("server config has no inbounds")
	}
	first, ok := inbounds[0].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("server config inbound is malformed")
	}
	settings, ok := first["settings"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("server config inbound has no settings")
	}
	clients, _ := settings["clients"].([]interface{})
	return clients, settings, nil
}

// AddClient returns the server config with a new client appended.
func AddClient(configJSON []byte, clientID string) ([]byte, error) {
	var config map[string]interface{}
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}

	clients, settings, err := serverClients(config)
	if err != nil {
		return nil, err
	}
	settings["clients"] = append(clients, map[string]interface{}{
		"id":    clientID,
		"email": clientID,
		"flow":  "xtls-rprx-vision",
	})

	return json.MarshalIndent(config, "", "  ")
}

// RemoveClient returns the server config with the client filtered out.
func RemoveClient(configJSON []byte, clientID string) ([]byte, error) {
	var config map[string]interface{}
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}

	clients, settings, err := serverClients(config)
	if err != nil {
		return nil, err
	}
	kept := make([]interface{}, 0, len(clients))
	for _, c := range clients {
		if m, ok := c.(map[string]interface{}); ok && m["id"] == clientID {
			continue
		}
		kept = append(kept, c)
	}
	settings["clients"] = kept

	return json.MarshalIndent(config, "", "  ")
}
