package container

// TxManager is an external, ambient transaction manager that binds a
// worker's channel to an outer transaction for the duration of one batch.
// When configured, the container never commits or rolls back the channel
// transaction itself: RegisterChannel/UnregisterChannel bracket the batch,
// and rollback-on-exception clears local delivery-tag bookkeeping only,
// trusting the outer transaction to perform the physical rollback.
type TxManager interface {
	RegisterChannel(ch Channel)
	UnregisterChannel(ch Channel)
}
