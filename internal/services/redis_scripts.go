package services

import "github.com/redis/go-redis/v9"

// commitScript applies a whole store.Batch atomically.
//
// ARGV[1] command TTL in seconds, ARGV[2] collection cap, ARGV[3] JSON ops,
// ARGV[4] idempotency key ("" for none).
//
// All checks (duplicate key, unique appends, non-negative guards) run
// before the first write, so a rejected batch leaves no trace. Items trimmed
// from a collection index are deleted with it.
var commitScript = redis.NewScript(`
	local ttl = tonumber(ARGV[1])
	local cap = tonumber(ARGV[2])
	local ops = cjson.decode(ARGV[3])
	local cmdKey = ARGV[4]

	if cmdKey ~= "" and redis.call("EXISTS", cmdKey) == 1 then
		return "DUPLICATE"
	end

	local function split(field)
		local parts = {}
		for part in string.gmatch(field, "[^%.]+") do
			parts[#parts + 1] = part
		end
		return parts
	end

	local function walk(doc, field)
		local parts = split(field)
		local node = doc
		for i = 1, #parts - 1 do
			if type(node[parts[i]]) ~= "table" then
				node[parts[i]] = {}
			end
			node = node[parts[i]]
		end
		return node, parts[#parts]
	end

	local function lookup(doc, field)
		local parts = split(field)
		local node = doc
		for i = 1, #parts - 1 do
			node = node[parts[i]]
			if type(node) ~= "table" then
				return nil
			end
		end
		return node[parts[#parts]]
	end

	local docs = {}
	local function load(key)
		if docs[key] == nil then
			local raw = redis.call("GET", key)
			if raw then
				docs[key] = cjson.decode(raw)
			else
				docs[key] = {}
			end
		end
		return docs[key]
	end

	for _, op in ipairs(ops) do
		if op.kind == "increment" then
			local doc = load(op.key)
			for field, delta in pairs(op.deltas) do
				local node, leaf = walk(doc, field)
				node[leaf] = (tonumber(node[leaf]) or 0) + tonumber(delta)
			end
			if op.guard then
				for _, field in ipairs(op.guard) do
					local value = tonumber(lookup(doc, field))
					if value ~= nil and value < 0 then
						return redis.error_reply("GUARD " .. field)
					end
				end
			end
		elseif op.kind == "merge" then
			local doc = load(op.key)
			for field, value in pairs(op.fields) do
				local node, leaf = walk(doc, field)
				node[leaf] = value
			end
		elseif op.kind == "append" then
			if op.unique and redis.call("EXISTS", op.key) == 1 then
				return redis.error_reply("CONFLICT " .. op.key)
			end
		end
	end

	for key, doc in pairs(docs) do
		redis.call("SET", key, cjson.encode(doc))
	end

	for _, op in ipairs(ops) do
		if op.kind == "append" then
			redis.call("SET", op.key, op.data)
			redis.call("ZADD", op.index, op.score, op.id)
			local evicted = redis.call("ZRANGE", op.index, 0, -(cap + 1))
			if #evicted > 0 then
				for _, member in ipairs(evicted) do
					redis.call("DEL", op.item_prefix .. member)
				end
				redis.call("ZREMRANGEBYRANK", op.index, 0, -(cap + 1))
			end
		end
	end

	if cmdKey ~= "" then
		redis.call("SET", cmdKey, "1", "EX", ttl)
	end

	for _, op in ipairs(ops) do
		redis.call("PUBLISH", op.channel, op.key)
	end

	return "OK"
`)
