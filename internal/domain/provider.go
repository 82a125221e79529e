package domain

// ProviderDescriptor identifies one input provider available within a scope.
// Descriptors are immutable; the set for a scope is replaced wholesale on
// every registry rebuild.
type ProviderDescriptor struct {
	ID          string
	Name        string
	Description string

	// Address is how the provider's backend is reached. A value containing
	// ":" is treated as a dialable host:port of an externally managed
	// backend; anything else is an image reference the binder runs itself.
	Address string
}

// Rect describes an overlay view frame in screen coordinates.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}
