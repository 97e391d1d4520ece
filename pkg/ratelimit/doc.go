// Package ratelimit paces portal traffic.
//
// A Pacer enforces a minimum gap between consecutive operations, such as
// district searches or pagination clicks, so a long job does not hammer the
// portal. It is a thin layer over golang.org/x/time/rate with a burst of one,
// which means the first call passes immediately and every later call waits
// out the remainder of the interval.
package ratelimit
