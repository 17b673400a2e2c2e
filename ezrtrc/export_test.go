package ezrtrc

// Reset forgets the current instance, and any failure to build it.
func Reset() {
	mtx.Lock()
	defer mtx.Unlock()
	current, failure = nil, nil
}
