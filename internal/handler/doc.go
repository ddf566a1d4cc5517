// Package handler maps downstream protocol connections onto relay viewer
// subscriptions: one subscription per connection, begun when the client
// requests a mount and ended when either side goes away.
package handler
