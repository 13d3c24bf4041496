package providers

// Base holds the fields shared by every provider implementation.
type Base struct {
	name    string
	apiKey  string
	baseURL string
	model   string
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the provider base URL.
func (b *Base) BaseURL() string { return b.baseURL }

// Model returns the configured default model.
func (b *Base) Model() string { return b.model }

// modelFor returns the request model, falling back to the configured one.
func (b *Base) modelFor(requested string) string {
	if requested != "" {
		return requested
	}
	return b.model
}
