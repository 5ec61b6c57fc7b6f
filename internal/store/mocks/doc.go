// Package mocks provides mock implementations of the store contracts for testing purposes.
package mocks

//go:generate mockgen -destination=mock_store.go -package=mocks github.com/punchamoorthee/transferledger/internal/store Store,Tx
