// Package main provides a terminal client for the voice gateway WebSocket.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leviwheeling/ResearchSync/internal/audio"
	"github.com/leviwheeling/ResearchSync/internal/protocol"
)

// Client represents a WebSocket client.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	outDir    string

	writeMu sync.Mutex
	replies int
	done    chan struct{}
}

// NewClient creates a new client and connects to the server. It waits for
// the connected notice to learn its session id.
func NewClient(addr, outDir string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		outDir: outDir,
		done:   make(chan struct{}),
	}
	msg, err := c.readDebug()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connected notice: %w", err)
	}
	c.sessionID = msg.SessionID
	return c, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

func (c *Client) readDebug() (protocol.DebugMessage, error) {
	var msg protocol.DebugMessage
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal: %w", err)
	}
	if msg.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		json.Unmarshal(data, &errMsg)
		return msg, fmt.Errorf("%s - %s", errMsg.Code, errMsg.Message)
	}
	if msg.Type != protocol.TypeDebug {
		return msg, fmt.Errorf("expected debug, got: %s", msg.Type)
	}
	return msg, nil
}

// SendHello binds the socket to a conversation key and waits for hello_ack.
func (c *Client) SendHello(key string) error {
	msg := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHello,
			Ts:        time.Now().UnixMilli(),
			SessionID: key,
		},
		ClientMeta: map[string]string{
			"client": "voice-cli",
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	ack, err := c.readDebug()
	if err != nil {
		return fmt.Errorf("hello failed: %w", err)
	}
	if ack.Code != protocol.DebugCodeHelloAck {
		return fmt.Errorf("expected hello_ack, got: %s", ack.Code)
	}
	return nil
}

// SendText sends a typed turn.
func (c *Client) SendText(content string) error {
	return c.writeJSON(protocol.TextInputMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeTextInput, Ts: time.Now().UnixMilli()},
		Content:     content,
	})
}

// StreamFile sends a PCM16LE mono file (raw or WAV) as real-time frames,
// followed by trailing silence so the server sees the utterance end.
func (c *Client) StreamFile(path string, frameBytes int, frame time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pcm := audio.StripWAVHeader(data)
	pcm = append(pcm, make([]byte, frameBytes*50)...)

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := c.writeBinary(pcm[off:end]); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-c.done:
			return nil
		}
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) writeBinary(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// ReadMessages prints text messages and saves binary replies until the
// connection closes.
func (c *Client) ReadMessages() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
			}
			return
		}

		if mt == websocket.BinaryMessage {
			c.replies++
			name := filepath.Join(c.outDir, fmt.Sprintf("reply-%d.mp3", c.replies))
			if err := os.WriteFile(name, data, 0o644); err != nil {
				log.Printf("Save reply: %v", err)
				continue
			}
			fmt.Printf("\n[audio] %d bytes saved to %s\n", len(data), name)
			continue
		}

		var base protocol.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			log.Printf("Unmarshal error: %v", err)
			continue
		}
		if base.Type == protocol.TypePartialResponse {
			var m protocol.ContentMessage
			json.Unmarshal(data, &m)
			fmt.Print(m.Content)
			continue
		}

		// Pretty print the message
		var pretty map[string]any
		json.Unmarshal(data, &pretty)
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("\n[%s] Received:\n%s\n", base.Type, string(formatted))
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "WebSocket server address")
	key := flag.String("session", "", "Conversation key sent in hello (optional)")
	file := flag.String("file", "", "PCM16LE mono or WAV file to stream instead of typing")
	rate := flag.Int("rate", 16000, "Sample rate of -file")
	frameMS := flag.Int("frame-ms", 20, "Frame duration in milliseconds")
	outDir := flag.String("out", ".", "Directory for reply audio")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, *outDir)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	fmt.Printf("Session established: %s\n", client.sessionID)

	if *key != "" {
		if err := client.SendHello(*key); err != nil {
			log.Fatalf("Hello failed: %v", err)
		}
		fmt.Printf("Conversation: %s\n", *key)
	}

	// Start reading messages in background
	go client.ReadMessages()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if *file != "" {
		frame := time.Duration(*frameMS) * time.Millisecond
		frameBytes := *rate * *frameMS / 1000 * 2
		go func() {
			if err := client.StreamFile(*file, frameBytes, frame); err != nil {
				log.Printf("Stream error: %v", err)
			}
			fmt.Println("\nAudio sent, waiting for the reply. Ctrl+C to exit.")
		}()
		<-interrupt
		fmt.Println("\nInterrupted")
		return
	}

	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /quit to exit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}
			if err := client.SendText(input); err != nil {
				log.Printf("Send error: %v", err)
				continue
			}
		}
	}
}
