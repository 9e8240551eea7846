package transactions

// Attempt describes one attempt at running a transaction.  A transaction may
// need several attempts before it succeeds.
type Attempt struct {
	State             AttemptState
	ID                string
	AtrID             []byte
	AtrBucketName     string
	AtrScopeName      string
	AtrCollectionName string

	// UnstagingComplete is false when some committed documents were left
	// for cleanup to unstage.
	UnstagingComplete bool

	// Expired is set when the attempt ran past its expiry time.
	Expired bool

	// PreExpiryAutoRollback is set when the attempt was rolled back
	// automatically before it expired.
	PreExpiryAutoRollback bool
}

// Result is the outcome of Transactions.Run.
type Result struct {
	TransactionID string

	// Attempts holds every attempt made, oldest first.
	Attempts []Attempt

	// UnstagingComplete is false when the transaction committed but cleanup
	// still has documents to unstage.
	UnstagingComplete bool
}

// lastAttempt returns the most recent attempt, or a zero Attempt.
func (r *Result) lastAttempt() Attempt {
	if len(r.Attempts) == 0 {
		return Attempt{}
	}
	return r.Attempts[len(r.Attempts)-1]
}
