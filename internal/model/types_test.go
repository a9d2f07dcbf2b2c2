package model

import "testing"

func TestJobURLsDeduplicate(t *testing.T) {
	var u JobURLs
	u.AddFound("https://a.example/1")
	u.AddFound("https://a.example/2")
	u.AddFound("https://a.example/1")
	if len(u.Found) != 2 {
		t.Fatalf("found = %v", u.Found)
	}
	if u.Found[0] != "https://a.example/1" || u.Found[1] != "https://a.example/2" {
		t.Errorf("order not preserved: %v", u.Found)
	}

	u.AddScraped("https://a.example/1")
	u.AddScraped("https://a.example/1")
	if len(u.Scraped) != 1 {
		t.Errorf("scraped = %v", u.Scraped)
	}

	u.AddFailed("https://a.example/2")
	if len(u.Failed) != 1 {
		t.Errorf("failed = %v", u.Failed)
	}
}
