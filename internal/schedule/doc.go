// Package schedule decides when upload cycles and retention passes run.
//
// Upload cycles follow a daily-at-time or every-N-hours cadence and may also
// be requested through Trigger, for example when a network interface comes
// up. The operational-hours window only gates those opportunistic triggers;
// the next scheduled cycle always runs. Retention has its own ticker so a
// long upload drain never delays an emergency cleanup.
package schedule
