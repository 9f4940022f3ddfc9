package main

import (
	"fmt"
	"net/http"
)

// triggerReload posts to a running gateway's reload endpoint (§6 POST
// /api/v1/reload), for operators pushing a config change without a
// restart.
func triggerReload(addr string) error {
	resp, err := http.Post(addr+"/api/v1/reload", "application/json", nil)
	if err != nil {
		return fmt.Errorf("reload request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload request returned %s", resp.Status)
	}
	fmt.Println("reload triggered")
	return nil
}
