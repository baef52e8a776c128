package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Server is an in-memory identity service used by the dev relay and tests.
//
// Routes:
//
//	POST /v1/cards              register a card (409 when taken)
//	GET  /v1/cards/{identity}   look up a card
//	PUT  /v1/backups/{identity} store a backup signed by the card key
//	GET  /v1/backups/{identity} fetch a backup
type Server struct {
	log logrus.FieldLogger

	mu      sync.RWMutex
	cards   map[string]ed25519.PublicKey
	backups map[string][]byte
}

// NewServer returns an empty identity service.
func NewServer(logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		log:     logger.WithField("component", "identity"),
		cards:   make(map[string]ed25519.PublicKey),
		backups: make(map[string][]byte),
	}
}

// Routes returns the HTTP handler of the service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/cards", s.handlePublishCard)
		r.Get("/cards/{identity}", s.handleFindCard)
		r.Put("/backups/{identity}", s.handleStoreBackup)
		r.Get("/backups/{identity}", s.handleFetchBackup)
	})
	return r
}

func (s *Server) handlePublishCard(w http.ResponseWriter, r *http.Request) {
	var card Card
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		http.Error(w, "invalid card", http.StatusBadRequest)
		return
	}
	card.Identity = strings.TrimSpace(card.Identity)
	if card.Identity == "" || len(card.PublicKey) != ed25519.PublicKeySize {
		http.Error(w, "invalid card", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, exists := s.cards[card.Identity]; exists {
		s.mu.Unlock()
		http.Error(w, "identity already registered", http.StatusConflict)
		return
	}
	s.cards[card.Identity] = ed25519.PublicKey(card.PublicKey)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "handlePublishCard",
		"identity": card.Identity,
	}).Info("card published")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleFindCard(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	s.mu.RLock()
	publicKey, ok := s.cards[identity]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, Card{Identity: identity, PublicKey: publicKey})
}

func (s *Server) handleStoreBackup(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	var body backupBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Blob) == 0 {
		http.Error(w, "invalid backup", http.StatusBadRequest)
		return
	}
	signature, err := base64.StdEncoding.DecodeString(r.Header.Get(SignatureHeader))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	publicKey, ok := s.cards[identity]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(publicKey, body.Blob, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	s.backups[identity] = append([]byte(nil), body.Blob...)

	s.log.WithFields(logrus.Fields{
		"function": "handleStoreBackup",
		"identity": identity,
	}).Info("key backup stored")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchBackup(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	s.mu.RLock()
	blob, ok := s.backups[identity]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, backupBody{Blob: blob})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
