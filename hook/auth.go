package hook

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuthHook provides username/password authentication. Passwords
// are stored as bcrypt hashes, never in plaintext.
type BasicAuthHook struct {
	*Base
	mu    sync.RWMutex
	users map[string][]byte // username -> bcrypt hash
}

// NewBasicAuthHook creates a new basic authentication hook
func NewBasicAuthHook() *BasicAuthHook {
	return &BasicAuthHook{
		Base:  &Base{id: "basic-auth"},
		users: make(map[string][]byte),
	}
}

// ID returns the hook identifier
func (h *BasicAuthHook) ID() string {
	return h.id
}

// Provides indicates this hook provides authentication
func (h *BasicAuthHook) Provides(event Event) bool {
	return event == OnConnectAuthenticate
}

// AddUser adds a user, hashing the password with bcrypt before storing it.
func (h *BasicAuthHook) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[username] = hash
	return nil
}

// RemoveUser removes a user by username
func (h *BasicAuthHook) RemoveUser(username string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.users, username)
}

// HasUser checks if a user exists
func (h *BasicAuthHook) HasUser(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.users[username]
	return exists
}

// UserCount returns the number of registered users
func (h *BasicAuthHook) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Clear removes all users
func (h *BasicAuthHook) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users = make(map[string][]byte)
}

// OnConnectAuthenticate validates username and password
func (h *BasicAuthHook) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool {
	h.mu.RLock()
	hash, exists := h.users[packet.Username]
	h.mu.RUnlock()

	if !exists {
		return false
	}

	return bcrypt.CompareHashAndPassword(hash, packet.Password) == nil
}

// LoadUsers loads multiple users at once, hashing each password with bcrypt.
func (h *BasicAuthHook) LoadUsers(users map[string]string) error {
	hashes := make(map[string][]byte, len(users))
	for username, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hashes[username] = hash
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for username, hash := range hashes {
		h.users[username] = hash
	}
	return nil
}

// AnonymousAuthHook AllowAnonymous sets whether to allow clients with no username/password
type AnonymousAuthHook struct {
	*Base
	allowAnonymous bool
	mu             sync.RWMutex
}

// NewAnonymousAuthHook creates a hook that controls anonymous access
func NewAnonymousAuthHook(allowAnonymous bool) *AnonymousAuthHook {
	return &AnonymousAuthHook{
		Base:           &Base{id: "anonymous-auth"},
		allowAnonymous: allowAnonymous,
	}
}

// ID returns the hook identifier
func (h *AnonymousAuthHook) ID() string {
	return h.id
}

// Provides indicates this hook provides authentication
func (h *AnonymousAuthHook) Provides(event Event) bool {
	return event == OnConnectAuthenticate
}

// SetAllowAnonymous sets whether to allow anonymous connections
func (h *AnonymousAuthHook) SetAllowAnonymous(allow bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allowAnonymous = allow
}

// IsAnonymousAllowed returns whether anonymous connections are allowed
func (h *AnonymousAuthHook) IsAnonymousAllowed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.allowAnonymous
}

// OnConnectAuthenticate checks if anonymous access is allowed
func (h *AnonymousAuthHook) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool {
	h.mu.RLock()
	allow := h.allowAnonymous
	h.mu.RUnlock()

	if packet.Username == "" && packet.Password == nil {
		return allow
	}

	return true
}
