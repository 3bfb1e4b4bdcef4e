package main

// Version is stamped at release time.
const Version = "0.1.0"
