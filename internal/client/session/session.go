package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fileName = "session.json"

// Session is what the client remembers between runs. The token is the
// credential passed in the realtime handshake; passwords are never stored.
type Session struct {
	APIURL    string    `json:"api_url"`
	SocketURL string    `json:"socket_url"`
	Email     string    `json:"email"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	SavedAt   time.Time `json:"saved_at"`
}

func (s *Session) Valid() bool {
	return s != nil && s.Token != "" && s.UserID != ""
}

func GetConfigDir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "estatemsg", profileName)
}

func getEncryptionKey() []byte {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	var id string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			id = strings.TrimSpace(string(data))
			break
		}
	}

	if id == "" {
		hostname, _ := os.Hostname()
		id = hostname
	}

	hash := sha256.Sum256([]byte("estatemsg:" + id))
	return hash[:]
}

func encrypt(data []byte) (string, error) {
	block, err := aes.NewCipher(getEncryptionKey())
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(getEncryptionKey())
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Load returns the saved session for a profile, or nil when there is none
// or it cannot be decrypted on this machine.
func Load(profileName string) (*Session, error) {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return nil, errors.New("could not get config directory")
	}

	data, err := os.ReadFile(filepath.Join(configDir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	decrypted, err := decrypt(string(data))
	if err != nil {
		return nil, discard(configDir)
	}

	var s Session
	if err := json.Unmarshal(decrypted, &s); err != nil {
		return nil, discard(configDir)
	}
	return &s, nil
}

// discard removes a session file that no longer decodes, so the next start
// goes straight to the login screen.
func discard(configDir string) error {
	err := os.Remove(filepath.Join(configDir, fileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove unreadable session: %w", err)
	}
	return nil
}

func Save(profileName string, s Session) error {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return fmt.Errorf("could not get config directory")
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}

	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	encrypted, err := encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, fileName), []byte(encrypted), 0600)
}

func Clear(profileName string) error {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(configDir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
