package receipt

var indexHTML = []byte(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Expense Agent</title>
</head>
<body>
<h1>Expense Agent</h1>
<form action="/api/receipts" method="post" enctype="multipart/form-data">
<input type="file" name="files" multiple accept="image/*,application/pdf">
<button type="submit">Upload</button>
</form>
<ul>
<li><a href="/api/receipts">Receipts</a></li>
<li><a href="/api/candidates">Expense candidates</a></li>
<li><a href="/api/matches">Confirmed matches</a></li>
<li><a href="/env-check">Backend configuration</a></li>
</ul>
</body>
</html>
`)
