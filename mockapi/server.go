// Package mockapi serves a deterministic storefront API: catalog, cart,
// search and checkout. Every request is recorded so tests can wait for it,
// failures can be injected per route, and the featured route can be rate
// limited after an exact number of requests.
package mockapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/grafana/xk6-storefront/log"
)

// Route names. These label the recorded interceptions.
const (
	RouteProductList      = "productList"
	RouteFeaturedProducts = "featuredProducts"
	RouteProductDetail    = "productDetail"
	RouteAddToCart        = "addToCart"
	RouteGetCart          = "getCart"
	RouteRemoveItem       = "removeItem"
	RouteSearch           = "searchRequest"
	RouteValidateCheckout = "validateCheckout"
	RouteShippingCalc     = "shippingCalc"
	RoutePayment          = "payment"
	RouteFormSubmit       = "formSubmit"
)

// Server is the storefront API mock. It is safe for concurrent use.
type Server struct {
	router *mux.Router
	logger *log.Logger

	mu            sync.Mutex
	products      []Product
	cart          []CartItem
	interceptions []Interception
	failures      map[string]*failure
	limit         rateLimit
	newOrderID    func() string
}

type failure struct {
	status int
	body   interface{}
	times  int // <= 0 until cleared
}

type rateLimit struct {
	after      int
	retryAfter time.Duration
	count      int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger logs every request through logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithProducts replaces the default catalog.
func WithProducts(products []Product) Option {
	return func(s *Server) {
		s.products = append([]Product(nil), products...)
	}
}

// WithRateLimit makes the featured route answer 429 once it has been
// requested n times, advertising retryAfter, until ResetRateLimit.
func WithRateLimit(n int, retryAfter time.Duration) Option {
	return func(s *Server) {
		s.limit = rateLimit{after: n, retryAfter: retryAfter}
	}
}

// New returns a Server with the default catalog and an empty cart.
func New(opts ...Option) *Server {
	s := &Server{
		logger:     log.NewNullLogger(),
		products:   DefaultProducts(),
		failures:   make(map[string]*failure),
		newOrderID: newOrderID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()

	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/products", s.listProducts).Methods(http.MethodGet).Name(RouteProductList)
	api.HandleFunc("/products/featured", s.featuredProducts).Methods(http.MethodGet).Name(RouteFeaturedProducts)
	api.HandleFunc("/products/{id}", s.productDetail).Methods(http.MethodGet).Name(RouteProductDetail)
	api.HandleFunc("/cart/add", s.addToCart).Methods(http.MethodPost).Name(RouteAddToCart)
	api.HandleFunc("/cart", s.getCart).Methods(http.MethodGet).Name(RouteGetCart)
	api.HandleFunc("/cart/{id}", s.removeItem).Methods(http.MethodDelete).Name(RouteRemoveItem)
	api.HandleFunc("/search", s.search).Methods(http.MethodGet).Name(RouteSearch)
	api.HandleFunc("/checkout/validate", s.validateCheckout).Methods(http.MethodPost).Name(RouteValidateCheckout)
	api.HandleFunc("/checkout/shipping", s.shippingOptions).Methods(http.MethodPost).Name(RouteShippingCalc)
	api.HandleFunc("/checkout/payment", s.payment).Methods(http.MethodPost).Name(RoutePayment)
	api.HandleFunc("/form-data", s.formSubmit).Methods(http.MethodPost).Name(RouteFormSubmit)

	r.Use(s.intercept, s.injectFailures)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// InjectFailure makes route answer status with body for the next times
// requests, or until ClearFailures when times <= 0.
func (s *Server) InjectFailure(route string, status int, body interface{}, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: status, body: body, times: times}
}

// ClearFailures removes every injected failure.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]*failure)
}

// ResetRateLimit restarts the featured route request count.
func (s *Server) ResetRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit.count = 0
}

// Reset empties the cart and the interception log, and clears failures and
// the rate limit count.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = nil
	s.interceptions = nil
	s.failures = make(map[string]*failure)
	s.limit.count = 0
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := routeName(r)

		s.mu.Lock()
		f, ok := s.failures[name]
		if ok && f.times > 0 {
			f.times--
			if f.times == 0 {
				delete(s.failures, name)
			}
		}
		s.mu.Unlock()

		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		s.logger.Debugf("mockapi:failure", "route:%s status:%d", name, f.status)
		writeJSON(w, f.status, f.body)
	})
}

// allow counts a featured request and reports whether it is within the
// rate limit.
func (s *Server) allow() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit.after <= 0 {
		return true, 0
	}
	if s.limit.count >= s.limit.after {
		return false, s.limit.retryAfter
	}
	s.limit.count++
	return true, 0
}

func rateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if retryAfter%time.Second != 0 {
		secs++
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		return route.GetName()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
