package fetcher

// Todo is the shape served by the default endpoint. The fetcher never decodes into it; the
// body is passed through as a generic JSON value so unknown fields survive unchanged.
type Todo struct {
	UserID    int    `json:"userId"`
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}
