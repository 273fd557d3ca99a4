// Command chatprobe is a load probe for the broker websocket endpoint: it
// logs a user in, opens many concurrent sessions, and pushes chat traffic
// through one conversation while counting what comes back.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"chatkit/internal/transport"

	"github.com/gorilla/websocket"
)

// Metrics tracks the probe results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	EventsReceived       int64
	Errors               int64
}

var metrics Metrics

func main() {
	host := flag.String("host", "localhost:8375", "broker host")
	username := flag.String("username", "probe", "probe account username")
	password := flag.String("password", "password123", "probe account password")
	peer := flag.String("peer", "", "username to open the probe conversation with")
	clients := flag.Int("clients", 50, "number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "probe duration")
	interval := flag.Duration("interval", 5*time.Second, "send interval per client")
	flag.Parse()

	log.Printf("Starting chat probe against %s (%d clients, %v)", *host, *clients, *duration)

	token, err := login(*host, *username, *password)
	if err != nil {
		// First run against a fresh broker: create the account.
		token, err = register(*host, *username, *password)
		if err != nil {
			log.Fatalf("Login and register both failed: %v", err)
		}
		log.Printf("Registered probe account %q", *username)
	}

	convID, err := openConversation(*host, token, *peer)
	if err != nil {
		log.Fatalf("Could not open probe conversation: %v", err)
	}
	log.Printf("Probing conversation %s", convID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, token, convID, i, *interval, stopChan, &wg)
		time.Sleep(20 * time.Millisecond) // stagger dials
	}

	select {
	case <-time.After(*duration):
		log.Println("Probe duration reached")
	case <-interrupt:
		log.Println("Interrupted")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func login(host, username, password string) (string, error) {
	return authRequest(fmt.Sprintf("http://%s/auth/login", host), username, password)
}

func register(host, username, password string) (string, error) {
	return authRequest(fmt.Sprintf("http://%s/auth/register", host), username, password)
}

func authRequest(authURL, username, password string) (string, error) {
	payload := map[string]string{
		"username": username,
		"password": password,
	}
	body, _ := json.Marshal(payload)

	resp, err := http.Post(authURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("auth failed with status %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// openConversation finds or creates the conversation the probe writes into.
// With no peer given it reuses the account's first existing conversation.
func openConversation(host, token, peer string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	if peer != "" {
		searchURL := fmt.Sprintf("http://%s/users/search?q=%s", host, url.QueryEscape(peer))
		req, _ := http.NewRequest(http.MethodGet, searchURL, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		var users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		}
		err = json.NewDecoder(resp.Body).Decode(&users)
		_ = resp.Body.Close()
		if err != nil {
			return "", err
		}
		for _, u := range users {
			if u.Username != peer {
				continue
			}
			body, _ := json.Marshal(map[string]string{"user_id": u.ID})
			req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/conversations/private", host), bytes.NewBuffer(body))
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			var conv struct {
				ID string `json:"id"`
			}
			err = json.NewDecoder(resp.Body).Decode(&conv)
			_ = resp.Body.Close()
			if err != nil {
				return "", err
			}
			return conv.ID, nil
		}
		return "", fmt.Errorf("peer %q not found", peer)
	}

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/conversations", host), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var convs []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&convs); err != nil {
		return "", err
	}
	if len(convs) == 0 {
		return "", fmt.Errorf("account has no conversations; pass -peer to create one")
	}
	return convs[0].ID, nil
}

func runClient(host, token, convID string, id int, interval time.Duration, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	// Read loop
	go func() {
		for {
			_, _, err := c.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&metrics.EventsReceived, 1)
		}
	}()

	if err := writeEnvelope(c, transport.EventConversationJoin, map[string]string{
		"conversation_id": convID,
	}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = writeEnvelope(c, transport.EventTypingStart, map[string]string{
				"conversation_id": convID,
			})
			err := writeEnvelope(c, transport.EventMessageSend, map[string]string{
				"conversation_id": convID,
				"content":         fmt.Sprintf("probe message from client %d", id),
				"type":            "text",
			})
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
			_ = writeEnvelope(c, transport.EventTypingStop, map[string]string{
				"conversation_id": convID,
			})
		}
	}
}

func writeEnvelope(c *websocket.Conn, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(transport.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, frame)
}

func printMetrics() {
	log.Println("Probe results")
	log.Println("=============")
	log.Printf("Connections attempted:  %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections failed:     %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages sent:          %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Events received:        %d", atomic.LoadInt64(&metrics.EventsReceived))
	log.Printf("Total errors:           %d", atomic.LoadInt64(&metrics.Errors))
}
