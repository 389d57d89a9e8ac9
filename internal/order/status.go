package order

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusPreparing: true,
		StatusCancelled: true,
	},
	StatusPreparing: {
		StatusReady:     true,
		StatusCancelled: true,
	},
	StatusReady: {
		StatusOutForDelivery: true,
		StatusCompleted:      true,
		StatusCancelled:      true,
	},
	StatusOutForDelivery: {
		StatusDelivered: true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusCancelled: true,
	},
	StatusDelivered: {},
	StatusCompleted: {},
	StatusCancelled: {},
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCompleted || s == StatusCancelled
}

// CanTransition does not treat from == to as a transition; callers handle the no-op first.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	return ok && next[to]
}

// notifyOn lists target statuses that produce a customer notification.
var notifyOn = map[Status]bool{
	StatusConfirmed:      true,
	StatusOutForDelivery: true,
	StatusDelivered:      true,
	StatusCancelled:      true,
}

func NotifiesCustomer(s Status) bool {
	return notifyOn[s]
}
