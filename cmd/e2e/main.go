package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/stream-matchmaker/stream-matchmaker/internal/auth"
	"github.com/stream-matchmaker/stream-matchmaker/internal/platform"
)

const (
	baseURL    = "http://127.0.0.1:18080"
	adminToken = "e2e-admin"
	natsPort   = "42230"
)

// Smoke flow: boot the matchmaker against a throwaway NATS container with the
// in-memory store, register one render server, place a session and disconnect
// it through the public API.
func main() {
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Println("SKIP: docker not found")
		return
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		fmt.Printf("SKIP: docker unavailable: %v\n", err)
		return
	}

	out, err := exec.Command("docker", "run", "-d", "-p", natsPort+":4222", "nats:2.10-alpine").CombinedOutput()
	if err != nil {
		fail("start nats: %v: %s", err, out)
	}
	containerID := strings.TrimSpace(string(out))
	defer func() { _ = exec.Command("docker", "rm", "-f", containerID).Run() }()

	os.Setenv("PORT", "18080")
	os.Setenv("NATS_URL", "nats://127.0.0.1:"+natsPort)
	os.Setenv("STORE_BACKEND", "memory")
	os.Setenv("ADMIN_TOKEN", adminToken)

	errCh := make(chan error, 1)
	go func() { errCh <- platform.RunMatchmaker() }()

	if err := waitHealthy(errCh); err != nil {
		fail("matchmaker did not become healthy: %v", err)
	}

	if err := registerServer(); err != nil {
		fail("register server: %v", err)
	}

	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		secret = "local-dev-secret"
	}
	token, err := auth.NewAuthenticator(secret, time.Hour).GenerateToken("e2e-user")
	if err != nil {
		fail("mint token: %v", err)
	}

	sessionID, err := placeSession(token)
	if err != nil {
		fail("place session: %v", err)
	}
	if err := disconnect(token, sessionID); err != nil {
		fail("disconnect: %v", err)
	}

	fmt.Println("E2E OK: placed and disconnected session", sessionID)
}

func waitHealthy(errCh chan error) error {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			return fmt.Errorf("matchmaker exited early: %v", err)
		default:
		}
		resp, err := http.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for /healthz")
}

func registerServer() error {
	body, _ := json.Marshal(map[string]any{"server_id": "srv-e2e", "max_capacity": 2})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/servers", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Token", adminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func placeSession(token string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/sessions", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var assignment struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&assignment); err != nil {
		return "", err
	}
	if assignment.Session.ID == "" {
		return "", fmt.Errorf("empty session id in response")
	}
	return assignment.Session.ID, nil
}

func disconnect(token, sessionID string) error {
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func fail(format string, args ...any) {
	fmt.Printf("FAIL: "+format+"\n", args...)
	os.Exit(1)
}
