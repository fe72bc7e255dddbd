package ringlink

import "github.com/ringlink/ringlink/sched"

// Notifier is the interrupt-to-scheduler hand-off. Its methods are the
// only engine code that runs in interrupt context: they set
// level-triggered flags and wake the processing task, and never touch
// buffers or descriptors. All draining happens later, cooperatively,
// on the woken task.
type Notifier struct {
	events *sched.Events

	// txFree reports whether the next transmit slot can be claimed.
	// Reading one ownership bit is interrupt-safe by construction.
	txFree func() bool
}

// NewNotifier wires a notifier to the engine's event flags.
func NewNotifier(events *sched.Events, txFree func() bool) *Notifier {
	return &Notifier{events: events, txFree: txFree}
}

// OnTxComplete raises the transmitter-ready flag when the transmit path
// has room again. It returns whether a reschedule is needed.
func (n *Notifier) OnTxComplete() bool {
	if n.txFree != nil && !n.txFree() {
		return false
	}
	return n.events.SetFromISR(sched.EventTxReady)
}

// OnRxComplete marks packets pending and wakes the processing task. The
// ring is not drained here; the task loops ReceiveOne until empty.
func (n *Notifier) OnRxComplete() bool {
	return n.events.SetFromISR(sched.EventRxPending)
}

// OnLinkChange flags a PHY link transition, for bindings whose PHY
// interrupt line is wired up. Setups without one poll the link instead.
func (n *Notifier) OnLinkChange() bool {
	return n.events.SetFromISR(sched.EventLinkChange)
}

// OnBusError flags the fatal path. Recovery itself runs on the
// processing task with the engine disabled, not inside the interrupt.
func (n *Notifier) OnBusError() bool {
	return n.events.SetFromISR(sched.EventBusError)
}
