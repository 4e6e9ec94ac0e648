// Package captcha verifies hCaptcha responses sent with instance start and
// stop requests.
package captcha
