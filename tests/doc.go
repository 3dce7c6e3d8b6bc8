// Package tests holds end-to-end storefront flows run against the API mock.
package tests
