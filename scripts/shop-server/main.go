// Shop API server for local load testing with examples/shop.yaml.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type shop struct {
	mu         sync.RWMutex
	tokens     map[string]bool
	users      map[string]bool
	products   []item
	categories []item
	customers  []item
}

func newShop() *shop {
	s := &shop{tokens: map[string]bool{}, users: map[string]bool{}}
	for i := 1; i <= 100; i++ {
		s.products = append(s.products, item{ID: i, Name: "Product " + strconv.Itoa(i)})
	}
	for i := 1; i <= 50; i++ {
		s.categories = append(s.categories, item{ID: i, Name: "Category " + strconv.Itoa(i)})
	}
	for i := 1; i <= 20; i++ {
		s.customers = append(s.customers, item{ID: i, Name: "Customer " + strconv.Itoa(i)})
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *shop) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username != "admin" || body.Password != "admin123" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *shop) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[body.Username] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username taken"})
		return
	}
	s.users[body.Username] = true
	c := item{ID: len(s.customers) + 1, Name: body.Username}
	s.customers = append(s.customers, c)
	writeJSON(w, http.StatusCreated, c)
}

// authed rejects requests without a token issued by login.
func (s *shop) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.RLock()
		ok := s.tokens[token]
		s.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *shop) list(items *[]item) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		writeJSON(w, http.StatusOK, *items)
	}
}

func (s *shop) page(items *[]item) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		if size <= 0 {
			size = 20
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		start := min(page*size, len(*items))
		end := min(start+size, len(*items))
		writeJSON(w, http.StatusOK, map[string]interface{}{"content": (*items)[start:end], "page": page, "size": size})
	}
}

func (s *shop) search(items *[]item, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.ToLower(r.URL.Query().Get(param))
		s.mu.RLock()
		defer s.mu.RUnlock()
		found := []item{}
		for _, it := range *items {
			if strings.Contains(strings.ToLower(it.Name), q) {
				found = append(found, it)
			}
		}
		writeJSON(w, http.StatusOK, found)
	}
}

func (s *shop) get(items *[]item) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		s.mu.RLock()
		defer s.mu.RUnlock()
		if err != nil || id < 1 || id > len(*items) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, (*items)[id-1])
	}
}

func (s *shop) create(items *[]item) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var it item
		if err := json.NewDecoder(r.Body).Decode(&it); err != nil || it.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		it.ID = len(*items) + 1
		*items = append(*items, it)
		writeJSON(w, http.StatusCreated, it)
	}
}

func (s *shop) update(items *[]item) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		var it item
		if err != nil || json.NewDecoder(r.Body).Decode(&it) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if id < 1 || id > len(*items) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		it.ID = id
		(*items)[id-1] = it
		writeJSON(w, http.StatusOK, it)
	}
}

func main() {
	addr := flag.String("addr", ":8888", "listen address")
	flag.Parse()

	s := newShop()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/register", s.register)

	mux.HandleFunc("GET /api/products", s.authed(s.list(&s.products)))
	mux.HandleFunc("GET /api/products/page", s.authed(s.page(&s.products)))
	mux.HandleFunc("GET /api/products/search", s.authed(s.search(&s.products, "name")))
	mux.HandleFunc("GET /api/products/{id}", s.authed(s.get(&s.products)))
	mux.HandleFunc("POST /api/products", s.authed(s.create(&s.products)))
	mux.HandleFunc("PUT /api/products/{id}", s.authed(s.update(&s.products)))

	mux.HandleFunc("GET /api/categories", s.authed(s.list(&s.categories)))
	mux.HandleFunc("GET /api/categories/page", s.authed(s.page(&s.categories)))
	mux.HandleFunc("GET /api/categories/{id}", s.authed(s.get(&s.categories)))
	mux.HandleFunc("POST /api/categories", s.authed(s.create(&s.categories)))
	mux.HandleFunc("PUT /api/categories/{id}", s.authed(s.update(&s.categories)))

	mux.HandleFunc("GET /api/customers", s.authed(s.list(&s.customers)))
	mux.HandleFunc("GET /api/customers/search", s.authed(s.search(&s.customers, "query")))

	mux.HandleFunc("GET /api/orders", s.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []item{})
	}))

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	log.Printf("Starting shop server on %s", *addr)
	log.Printf("Using %d CPU cores", runtime.NumCPU())

	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
