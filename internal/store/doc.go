// Package store holds the shared persistence seam: the DBTX query
// interface the SQL-backed stores are written against, and the common
// error values every store implementation maps its backend failures onto.
package store
