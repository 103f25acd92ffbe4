// Package guestmem provides access to guest memory under revocable leases.
//
// [Memory] is a self-contained implementation of [Provider] that backs guest
// physical address space with anonymous host memory. It is used to run the
// queue engine outside of a hypervisor, e.g. for tests and self-tests.
package guestmem
