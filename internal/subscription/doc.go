package subscription

// Package subscription holds the subscription model and its durable store.
//
// The store is the single source of truth for the active subscription set
// and the per-subscription delivery checkpoints. Every mutation is a
// load-modify-save under one writer lock, and every save is atomic, so a
// crash can never leave a half-written state and a checkpoint flush can
// never clobber a concurrent subscribe/unsubscribe.
