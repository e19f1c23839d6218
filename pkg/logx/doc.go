// Package logx is a thin structured-logging facade over zerolog.
//
// It exists so services can hold a Logger value that stays "live" across
// runtime config changes: the Service swaps the underlying zerolog root
// atomically and every Logger created from it picks up the new sinks.
package logx
