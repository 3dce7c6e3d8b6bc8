package mockapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Product is a catalog entry.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
	Featured bool    `json:"featured"`
}

// CartItem is a product line in the cart.
type CartItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

// Cart is the body of the cart routes.
type Cart struct {
	Items []CartItem `json:"items"`
	Total float64    `json:"total"`
}

// DefaultProducts returns the default sweet shop catalog.
func DefaultProducts() []Product {
	return []Product{
		{ID: "1", Name: "Chocolate Cups", Category: "chocolate", Price: 1.00, Stock: 20, Featured: true},
		{ID: "2", Name: "Sherbet Straws", Category: "sherbet", Price: 0.75, Stock: 50},
		{ID: "3", Name: "Sherbert Discs", Category: "sherbet", Price: 0.95, Stock: 0},
		{ID: "4", Name: "Strawberry Bon Bons", Category: "boiled", Price: 1.50, Stock: 12, Featured: true},
		{ID: "5", Name: "Chocolate Beans", Category: "chocolate", Price: 1.25, Stock: 8},
		{ID: "6", Name: "Wham Bars", Category: "chew", Price: 0.15, Stock: 100, Featured: true},
		{ID: "7", Name: "Nerds", Category: "boiled", Price: 2.50, Stock: 0},
		{ID: "8", Name: "Swansea Mixture", Category: "mixture", Price: 3.00, Stock: 5},
	}
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	products := append([]Product(nil), s.products...)
	s.mu.Unlock()

	if c := q.Get("category"); c != "" {
		products = filterProducts(products, func(p Product) bool { return strings.EqualFold(p.Category, c) })
	}
	if q.Get("filter") == "in-stock" {
		products = filterProducts(products, func(p Product) bool { return p.Stock > 0 })
	}
	switch q.Get("sort") {
	case "price-asc":
		sort.SliceStable(products, func(i, j int) bool { return products[i].Price < products[j].Price })
	case "price-desc":
		sort.SliceStable(products, func(i, j int) bool { return products[i].Price > products[j].Price })
	case "name":
		sort.SliceStable(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	}
	total := len(products)
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid page_size")
			return
		}
		if n < len(products) {
			products = products[:n]
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"products": products,
		"total":    total,
	})
}

func (s *Server) featuredProducts(w http.ResponseWriter, r *http.Request) {
	if ok, retryAfter := s.allow(); !ok {
		rateLimited(w, retryAfter)
		return
	}

	s.mu.Lock()
	products := filterProducts(append([]Product(nil), s.products...), func(p Product) bool { return p.Featured })
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"products": products})
}

func (s *Server) productDetail(w http.ResponseWriter, r *http.Request) {
	p, ok := s.product(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) product(id string) (Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

func (s *Server) addToCart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Quantity < 1 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}
	p, ok := s.product(req.ProductID)
	if !ok {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}

	s.mu.Lock()
	inCart := 0
	idx := -1
	for i, item := range s.cart {
		if item.ProductID == p.ID {
			inCart, idx = item.Quantity, i
		}
	}
	if inCart+req.Quantity > p.Stock {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "not enough stock")
		return
	}
	if idx >= 0 {
		s.cart[idx].Quantity += req.Quantity
	} else {
		s.cart = append(s.cart, CartItem{ProductID: p.ID, Name: p.Name, Price: p.Price, Quantity: req.Quantity})
	}
	cart := s.cartLocked()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, cart)
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cart := s.cartLocked()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, cart)
}

func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	removed := false
	for i, item := range s.cart {
		if item.ProductID == id {
			s.cart = append(s.cart[:i], s.cart[i+1:]...)
			removed = true
			break
		}
	}
	cart := s.cartLocked()
	s.mu.Unlock()

	if !removed {
		writeError(w, http.StatusNotFound, "item not in cart")
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (s *Server) cartLocked() Cart {
	cart := Cart{Items: append([]CartItem{}, s.cart...)}
	for _, item := range s.cart {
		cart.Total += item.Price * float64(item.Quantity)
	}
	return cart
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	s.mu.Lock()
	results := []Product{}
	if q != "" {
		results = filterProducts(append([]Product(nil), s.products...), func(p Product) bool {
			return strings.Contains(strings.ToLower(p.Name), q)
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   q,
		"results": results,
	})
}

// Address is the shipping address of a checkout.
type Address struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Address   string `json:"address"`
	City      string `json:"city"`
	Zip       string `json:"zip"`
}

func (a Address) missing() []string {
	var fields []string
	for name, v := range map[string]string{
		"firstName": a.FirstName,
		"lastName":  a.LastName,
		"email":     a.Email,
		"address":   a.Address,
		"city":      a.City,
		"zip":       a.Zip,
	} {
		if strings.TrimSpace(v) == "" {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

func (s *Server) validateCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address Address `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	missing := req.Address.missing()
	if len(missing) == 0 && !strings.Contains(req.Address.Email, "@") {
		missing = []string{"email"}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   len(missing) == 0,
		"invalid": missing,
	})
}

// ShippingOption is a delivery choice offered at checkout.
type ShippingOption struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Days  int     `json:"days"`
}

func (s *Server) shippingOptions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	total := s.cartLocked().Total
	s.mu.Unlock()

	options := []ShippingOption{
		{ID: "standard", Name: "Standard", Price: 1.99, Days: 5},
		{ID: "express", Name: "Express", Price: 4.99, Days: 1},
	}
	if total >= 10 {
		options[0].Price = 0
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"options": options})
}

func (s *Server) payment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Card     string `json:"card"`
		Shipping string `json:"shipping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	s.mu.Lock()
	cart := s.cartLocked()
	if len(cart.Items) == 0 {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "cart is empty")
		return
	}
	if strings.TrimSpace(req.Card) == "" {
		s.mu.Unlock()
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{"status": "declined", "message": "card required"})
		return
	}
	s.cart = nil
	orderID := s.newOrderID()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "paid",
		"orderId": orderID,
		"total":   cart.Total,
	})
}

func (s *Server) formSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	fields := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		fields[k] = r.PostForm.Get(k)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"fields":   fields,
	})
}

func filterProducts(products []Product, keep func(Product) bool) []Product {
	out := products[:0]
	for _, p := range products {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func newOrderID() string {
	return uuid.NewString()
}
