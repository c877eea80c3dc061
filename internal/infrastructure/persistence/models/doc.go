// Package models contains GORM persistence models for tables that have no
// domain entity of their own: the sync change log on devices and the
// document store of the central server.
package models
