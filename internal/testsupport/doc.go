// Package testsupport holds helpers shared by package tests: temp-directory
// backed configs and file writers with controllable size and age.
package testsupport
