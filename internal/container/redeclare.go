package container

import "context"

// QueueRedeclarer re-asserts broker topology before a worker starts
// consuming. When mismatches are not fatal it skips the Initialize
// round-trip if every queue already exists; when they are fatal it always
// redeclares and then checks every queue for a mismatch.
type QueueRedeclarer struct {
	admin                 Admin
	mismatchedQueuesFatal bool
}

func NewQueueRedeclarer(admin Admin, mismatchedQueuesFatal bool) *QueueRedeclarer {
	return &QueueRedeclarer{admin: admin, mismatchedQueuesFatal: mismatchedQueuesFatal}
}

// EnsureDeclared checks each queue's existence and, if any is missing (or
// mismatch-checking is mandatory), asks the admin to (re)initialize
// topology. When MismatchedQueuesFatal is set it then re-checks every
// queue and fails fast on the first mismatch it finds.
func (r *QueueRedeclarer) EnsureDeclared(ctx context.Context, queues []string) error {
	if r.admin == nil {
		return nil
	}

	needsInit := r.mismatchedQueuesFatal
	for _, q := range queues {
		if needsInit {
			break
		}
		props, err := r.admin.QueueProperties(ctx, q)
		if err != nil || !props.Exists {
			needsInit = true
			break
		}
		if props.Mismatched && r.mismatchedQueuesFatal {
			needsInit = true
			break
		}
	}

	if !needsInit {
		return nil
	}

	if err := r.admin.Initialize(ctx); err != nil {
		return err
	}

	if !r.mismatchedQueuesFatal {
		return nil
	}

	for _, q := range queues {
		props, err := r.admin.QueueProperties(ctx, q)
		if err != nil {
			continue
		}
		if props.Mismatched {
			return &MismatchedQueuesError{Queue: q}
		}
	}
	return nil
}
