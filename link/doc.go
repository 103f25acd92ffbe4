// Package link implements the device side of a virtual NIC with one receive
// and one transmit ring.
//
// A [Link] validates the queue configuration it receives from the guest
// driver, forwards the control operations to its rings and delivers pending
// interrupts to the host through [Link.Poll]. Without custom processors the
// link loops every transmitted frame back into the receive ring.
package link
