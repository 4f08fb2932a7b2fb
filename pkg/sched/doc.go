/*
Package sched provides the precise interval scheduler shared by all
periodic work in the controller, plus the timestamp alignment rule every
persisted reading goes through.

A Runner fires its callback at exact wall-clock multiples of its interval:
the first fire lands on the next boundary, and each subsequent boundary is
the prior boundary plus the interval. Boundaries the callback overran are
skipped and counted, never queued. A forward wall-clock step larger than
30 seconds (NTP sync, suspend/resume) re-aligns the schedule without
accruing drift. Stop is cooperative: an in-flight callback completes, then
the loop exits.

AlignDown is the pure align-down-to-period function; cross-component
timestamp agreement relies on it being deterministic, so it is tested
independently of any runner.
*/
package sched
