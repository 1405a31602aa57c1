// Package pipeline holds the bodies of the three scheduled jobs: sitemap
// refresh, URL submission and index verification. Each job is a
// scheduler.JobFunc; the scheduler owns overlap protection and history.
package pipeline
