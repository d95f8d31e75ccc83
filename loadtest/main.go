// Command loadtest hammers a running presence server: pairs of users
// register, authenticate over the socket, meet in a room and trade
// messages.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // pairs of users; start small
	MsgCount  = 20 // messages per user
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

// envelope is the wire shape both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func main() {
	log.Printf("starting load test: %d users, %d messages each", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("load test complete")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	tokenA := authenticate(userA, pass)
	tokenB := authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	// A creates the room and hands the id to B.
	roomCh := make(chan string, 1)
	var wsWg sync.WaitGroup
	wsWg.Add(2)

	go func() {
		defer wsWg.Done()
		conn := dial(tokenA, userA)
		if conn == nil {
			roomCh <- ""
			return
		}
		defer conn.Close()

		send(conn, "room-create", map[string]any{
			"name": fmt.Sprintf("pair-%d", pairID),
		})
		roomID := awaitRoomJoin(conn, userA)
		roomCh <- roomID
		if roomID == "" {
			return
		}
		spamChat(conn, roomID, userA)
	}()

	go func() {
		defer wsWg.Done()
		roomID := <-roomCh
		if roomID == "" {
			return
		}
		conn := dial(tokenB, userB)
		if conn == nil {
			return
		}
		defer conn.Close()

		send(conn, "room-join", map[string]any{"roomId": roomID})
		if awaitRoomJoin(conn, userB) == "" {
			return
		}
		spamChat(conn, roomID, userB)
	}()

	wsWg.Wait()
}

// authenticate registers (duplicate is fine) and logs in.
func authenticate(username, password string) string {
	postJSON("/auth/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/auth/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("login failed [%s]: %v", username, err)
		return ""
	}
	defer resp.Body.Close()

	var data authResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token
}

// dial opens the socket and performs the auth handshake.
func dial(token, user string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(WSURL, nil)
	if err != nil {
		log.Printf("ws connect failed [%s]: %v", user, err)
		return nil
	}
	send(conn, "auth", map[string]any{"token": token})
	return conn
}

// send writes one typed envelope.
func send(conn *websocket.Conn, eventType string, data any) {
	if err := conn.WriteJSON(map[string]any{"type": eventType, "data": data}); err != nil {
		log.Printf("write failed [%s]: %v", eventType, err)
	}
}

// awaitRoomJoin reads until the server confirms room membership, answering
// pings along the way.
func awaitRoomJoin(conn *websocket.Conn, user string) string {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var env envelope
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		if err := conn.ReadJSON(&env); err != nil {
			log.Printf("read failed [%s]: %v", user, err)
			return ""
		}
		switch env.Type {
		case "ping":
			conn.WriteJSON(map[string]any{"type": "pong", "data": rawString(env.Data)})
		case "room-join":
			var payload struct {
				RoomID string `json:"roomId"`
			}
			json.Unmarshal(env.Data, &payload)
			return payload.RoomID
		case "error":
			log.Printf("server error [%s]: %s", user, env.Data)
			return ""
		}
	}
	return ""
}

func spamChat(conn *websocket.Conn, roomID, user string) {
	for i := 0; i < MsgCount; i++ {
		msg := map[string]any{
			"type": roomID,
			"data": map[string]any{
				"type": "chat",
				"data": map[string]any{
					"type": "msg",
					"data": map[string]any{
						"message": fmt.Sprintf("load test msg %d from %s", i, user),
					},
				},
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("send failed [%s]: %v", user, err)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("%s finished sending %d msgs", user, MsgCount)
}

func rawString(raw json.RawMessage) string {
	var s string
	json.Unmarshal(raw, &s)
	return s
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
